// Package main provides the command-line interface for running one full
// latency-injection scenario against an in-process broker.
//
// # Overview
//
// The binary stands up the broker, wires a retrying metadata client through
// the harness's connection gatekeeper, and runs the driver orchestration:
// baseline request, immediate delay injection, scheduled delay removal timed
// to straddle two client retry cycles, and the delayed request whose success
// is the pass condition.
//
// # Usage
//
// Run with the full-scale defaults (roughly 13 seconds end to end):
//
//	sockjam
//
// Run with custom timing:
//
//	sockjam --socket-timeout 500ms --retry-backoff 2s --delay 1500ms
//
// Run with broker authentication:
//
//	sockjam --sasl-username tester --sasl-password hunter2
//
// Run the negative control, which must fail:
//
//	sockjam --no-lift
//
// Every flag can also be supplied through the environment with the SOCKJAM_
// prefix (dashes become underscores), or through a config file passed with
// --config.
//
// # Exit Codes
//
//	0 - scenario passed
//	1 - scenario failed or setup error
package main
