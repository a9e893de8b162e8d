// Package idgen provides pluggable ID generation for the verity engine.
//
// Every store constructor accepts a Generator, making the ID strategy a
// startup-time decision. The engine convention is UUIDv7 with a short type
// prefix, so identifiers are time-sortable and self-describing in logs:
//
//	ent_0193b2... entity
//	obs_0193b2... observation
//	src_0193b2... raw input reference
//	evt_0193b2... timeline event
//	run_0193b2... extraction run
//	job_0193b2... repair job
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the engine default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Entity, Observation, Source, Event, Run and Job are the conventional
// prefixed generators used across the engine.
var (
	Entity      Generator = Prefixed("ent_", Default)
	Observation Generator = Prefixed("obs_", Default)
	Source      Generator = Prefixed("src_", Default)
	Event       Generator = Prefixed("evt_", Default)
	Run         Generator = Prefixed("run_", Default)
	Job         Generator = Prefixed("job_", Default)
)

// Parse validates a bare UUID string and returns it normalized, or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
