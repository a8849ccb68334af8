// Package api exposes the task pipeline over HTTP. Submissions return 202
// immediately with a task id; callers then poll the status or result
// endpoints until the task is completed or failed.
package api
