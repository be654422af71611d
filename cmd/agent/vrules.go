package main

import "github.com/protomem/shift-agent/internal/validator"

// Validation rules

func validateRequestStartSession(v *validator.Validator, request requestStartSession) {
	v.CheckField(request.WorkerID > 0, "workerId", "must be provided")
	v.CheckField(request.EmployerID > 0, "employerId", "must be provided")
	validateDescription(v, request.Description)
	validateTaskDescription(v, request.TaskDescription)
}

func validateDescription(v *validator.Validator, description string) {
	v.CheckField(validator.NotBlank(description), "description", "cannot be blank")
	v.CheckField(validator.MaxRunes(description, 500), "description", "must not be longer than 500 characters")
}

func validateTaskDescription(v *validator.Validator, taskDescription string) {
	v.CheckField(validator.NotBlank(taskDescription), "taskDescription", "cannot be blank")
	v.CheckField(validator.MaxRunes(taskDescription, 500), "taskDescription", "must not be longer than 500 characters")
}
