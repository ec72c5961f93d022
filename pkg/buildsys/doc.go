// Package buildsys implements the task runner behind webpipe. Tasks are declared in a Starlark script
// (tasks.star) and consist of shell commands, run through mvdan.cc/sh, and Go-native steps: file pipelines,
// the bundler, the dev server, watchers and the backend supervisor.
//
// Long running steps register as background services. RunTasks returns once all requested tasks are done and
// every service stopped.
package buildsys
