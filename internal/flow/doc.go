// ABOUTME: Package flow defines the bot's multi-step conversations as data
// ABOUTME: Flows are tables of steps; validation never touches storage or the network

// Package flow holds the conversation definitions.
package flow
