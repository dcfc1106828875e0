// Package intent defines the execution-intent model and the Store component.
//
// An intent is declared before a task is attempted, keyed by
// (scheduler type, task id, intended date). Its status only moves along
// pending -> running -> {completed, failed} or pending -> skipped, which is
// what lets a restarted process find work that was due while it was down.
package intent
