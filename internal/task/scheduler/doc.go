// Package scheduler turns task rules into execution intents and runs them.
//
// A Core holds the families (one Adapter per scheduler type). Each adapter
// declares the intent of a task's next occurrence before arming its timer,
// so a crash between declaration and fire leaves a pending row for recovery
// to find. Every run, live or retried or caught up or manual, goes through
// Adapter.Run, which consults the dedup guard, moves the intent through its
// states and hands failures to the retry coordinator.
package scheduler
