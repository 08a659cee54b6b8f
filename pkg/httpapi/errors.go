package httpapi

import "errors"

// ErrNotFound marks a handler error that should surface as HTTP 404: the
// requested story, branch, lore topic, or event does not exist.
var ErrNotFound = errors.New("httpapi: not found")

// ErrBadRequest marks a handler error that should surface as HTTP 400: a
// malformed or missing required field in the request body or query string.
var ErrBadRequest = errors.New("httpapi: bad request")
