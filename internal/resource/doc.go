// Package resource defines the work-item model shared by intake, dispatch and processing.
package resource
