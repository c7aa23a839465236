// Package api serves the admin HTTP surface of the background subsystem:
// enqueueing and inspecting tasks, and controlling the recurring jobs and
// the scheduler. Handlers translate HTTP concerns to calls on the task
// manager and job manager and never echo raw internal errors.
package api
