// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"errors"
	"net/http"
)

// Fixed client-facing error messages
const (
	MessageMethodNotAllowed     = "Method not allowed"
	MessageQueryRequired        = "Query is required"
	MessageContextNotArray      = "Context must be an array"
	MessageInvalidJSON          = "Invalid JSON body"
	MessageUnsupportedMediaType = "Content-Type must be application/json"
	MessageTooManyRequests      = "Too many requests"
	MessageInternalError        = "Internal server error"
)

// ErrorResponse is the only error body returned to callers
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServiceError carries an HTTP status and a caller-safe message. Internal
// holds the underlying cause for logging and is never serialized.
type ServiceError struct {
	StatusCode int
	Message    string
	Internal   error
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Internal
}

// ToErrorResponse converts a ServiceError to an ErrorResponse
func (e *ServiceError) ToErrorResponse() ErrorResponse {
	return ErrorResponse{Error: e.Message}
}

// NewServiceError creates a new ServiceError
func NewServiceError(statusCode int, message string, internal error) *ServiceError {
	return &ServiceError{
		StatusCode: statusCode,
		Message:    message,
		Internal:   internal,
	}
}

// NewMethodNotAllowedError creates a 405 error
func NewMethodNotAllowedError() *ServiceError {
	return NewServiceError(http.StatusMethodNotAllowed, MessageMethodNotAllowed, nil)
}

// NewBadRequestError creates a 400 error
func NewBadRequestError(message string, internal error) *ServiceError {
	return NewServiceError(http.StatusBadRequest, message, internal)
}

// NewUnsupportedMediaTypeError creates a 415 error
func NewUnsupportedMediaTypeError() *ServiceError {
	return NewServiceError(http.StatusUnsupportedMediaType, MessageUnsupportedMediaType, nil)
}

// NewTooManyRequestsError creates a 429 error
func NewTooManyRequestsError() *ServiceError {
	return NewServiceError(http.StatusTooManyRequests, MessageTooManyRequests, nil)
}

// NewInternalError creates a 500 error whose cause is hidden from the caller
func NewInternalError(internal error) *ServiceError {
	return NewServiceError(http.StatusInternalServerError, MessageInternalError, internal)
}

// AsServiceError checks if an error is, or wraps, a ServiceError
func AsServiceError(err error, target **ServiceError) bool {
	if err == nil {
		return false
	}
	return errors.As(err, target)
}
