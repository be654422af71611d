package main

import (
	"errors"
	"net/http"

	"github.com/protomem/shift-agent/internal/api"
	"github.com/protomem/shift-agent/internal/channel"
	"github.com/protomem/shift-agent/internal/model"
	"github.com/protomem/shift-agent/internal/request"
	"github.com/protomem/shift-agent/internal/response"
	"github.com/protomem/shift-agent/internal/shift"
	"github.com/protomem/shift-agent/internal/validator"
	"github.com/protomem/shift-agent/internal/version"
)

func (app *application) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := response.JSONObject{
		"status":  "OK",
		"version": version.Get(),
		"channel": app.channel.State(),
	}

	if app.channel.State() == channel.StateDown {
		data["status"] = "DEGRADED"
	}

	if err := response.JSON(w, http.StatusOK, data); err != nil {
		app.serverError(w, r, err)
	}
}

type responseSession struct {
	Active  bool           `json:"active"`
	Session *model.Session `json:"session,omitempty"`
	Work    string         `json:"work"`
	Pause   string         `json:"pause"`
}

func (app *application) currentSessionResponse() responseSession {
	session := app.tracker.Session()
	elapsed := app.tracker.Elapsed()

	return responseSession{
		Active:  session != nil,
		Session: session,
		Work:    elapsed.Work,
		Pause:   elapsed.Pause,
	}
}

func (app *application) handleSession(w http.ResponseWriter, r *http.Request) {
	if err := response.JSON(w, http.StatusOK, app.currentSessionResponse()); err != nil {
		app.serverError(w, r, err)
	}
}

type requestStartSession struct {
	WorkerID        model.ID `json:"workerId"`
	EmployerID      model.ID `json:"employerId"`
	Description     string   `json:"description"`
	TaskDescription string   `json:"taskDescription"`
}

func (app *application) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var input requestStartSession
	if err := request.DecodeJSONStrict(w, r, &input); err != nil {
		app.badRequest(w, r, err)
		return
	}

	var v validator.Validator
	validateRequestStartSession(&v, input)

	if v.HasErrors() {
		app.failedValidation(w, r, v)
		return
	}

	err := app.tracker.StartSession(r.Context(), api.StartAssignmentDTO{
		WorkerID:        input.WorkerID,
		EmployerID:      input.EmployerID,
		Description:     input.Description,
		TaskDescription: input.TaskDescription,
	})
	if err != nil {
		if errors.Is(err, model.ErrExists) {
			app.errorMessage(w, r, http.StatusConflict, err.Error(), nil)
			return
		}

		app.serverError(w, r, err)
		return
	}

	if err := response.JSON(w, http.StatusCreated, app.currentSessionResponse()); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := app.tracker.StopSession(r.Context()); err != nil {
		app.mutationError(w, r, err)
		return
	}

	if err := response.JSON(w, http.StatusOK, app.currentSessionResponse()); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	if err := app.tracker.TogglePause(r.Context()); err != nil {
		app.mutationError(w, r, err)
		return
	}

	if err := response.JSON(w, http.StatusOK, app.currentSessionResponse()); err != nil {
		app.serverError(w, r, err)
	}
}

type requestSwitchTask struct {
	Description string `json:"description"`
}

func (app *application) handleSwitchTask(w http.ResponseWriter, r *http.Request) {
	var input requestSwitchTask
	if err := request.DecodeJSONStrict(w, r, &input); err != nil {
		app.badRequest(w, r, err)
		return
	}

	var v validator.Validator
	validateDescription(&v, input.Description)

	if v.HasErrors() {
		app.failedValidation(w, r, v)
		return
	}

	if err := app.tracker.SwitchTask(r.Context(), input.Description); err != nil {
		app.mutationError(w, r, err)
		return
	}

	if err := response.JSON(w, http.StatusOK, app.currentSessionResponse()); err != nil {
		app.serverError(w, r, err)
	}
}

// mutationError maps tracker mutation failures: a missing session is 404, an
// upstream rejection is 409 carrying the rolled-back session so the caller
// can resync immediately.
func (app *application) mutationError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, model.ErrNoSession) {
		app.errorMessage(w, r, http.StatusNotFound, err.Error(), nil)
		return
	}

	app.reportServerError(r, err)

	data := response.JSONObject{
		"error":   err.Error(),
		"session": app.tracker.Session(),
	}
	if jsonErr := response.JSON(w, http.StatusConflict, data); jsonErr != nil {
		app.serverError(w, r, jsonErr)
	}
}

type requestValidateSegments struct {
	Segments []model.Segment `json:"segments"`
}

func (app *application) handleValidateSegments(w http.ResponseWriter, r *http.Request) {
	var input requestValidateSegments
	if err := request.DecodeJSONStrict(w, r, &input); err != nil {
		app.badRequest(w, r, err)
		return
	}

	var v validator.Validator
	shift.ValidateSegments(&v, input.Segments)

	if v.HasErrors() {
		app.failedValidation(w, r, v)
		return
	}

	workSeconds, pauseSeconds := shift.Totals(model.Assignment{Segments: input.Segments})

	data := response.JSONObject{
		"valid":             true,
		"totalWorkSeconds":  workSeconds,
		"totalPauseSeconds": pauseSeconds,
	}
	if err := response.JSON(w, http.StatusOK, data); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) handleGroupedAssignments(w http.ResponseWriter, r *http.Request) {
	groups, err := app.api.GroupedAssignments(r.Context())
	if err != nil {
		app.serverError(w, r, err)
		return
	}

	if err := response.JSON(w, http.StatusOK, groups); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) handleAssignmentsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := app.api.AssignmentsSummary(r.Context())
	if err != nil {
		app.serverError(w, r, err)
		return
	}

	if err := response.JSON(w, http.StatusOK, summary); err != nil {
		app.serverError(w, r, err)
	}
}

type requestUpdateToken struct {
	Token string `json:"token"`
}

func (app *application) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	var input requestUpdateToken
	if err := request.DecodeJSONStrict(w, r, &input); err != nil {
		app.badRequest(w, r, err)
		return
	}

	app.setToken(input.Token)

	w.WriteHeader(http.StatusNoContent)
}
