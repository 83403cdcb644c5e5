// Package api exposes the REST interface of the hire daemon: creating hires,
// listing and refreshing tracked jobs, submitting results, and the metrics
// endpoint.
package api
