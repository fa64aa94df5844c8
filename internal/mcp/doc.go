// Package mcp exposes the pipeline as MCP tools over stdio.
//
// Tools: pipeline_submit starts a run (optionally waiting for it),
// pipeline_status reports a run record, pipeline_trace returns its trace
// events and pipeline_cancel stops it. Text returned to clients is scrubbed
// for secrets.
package mcp
