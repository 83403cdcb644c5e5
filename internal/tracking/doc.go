// Package tracking persists the local record of every hired marketplace job:
// its payment hold identifier, payment state, monitoring checks and result.
package tracking
