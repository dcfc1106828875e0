// Package logx is intentd's structured logger: a thin zerolog wrapper whose
// level and sinks follow the logging section of the config on every reload.
// Console output is human-readable unless set to json; the optional file
// sink is always JSON.
package logx
