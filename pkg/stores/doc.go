// Package stores persists deployment history in SQLite.
//
// The schema is managed with golang-migrate from embedded SQL files. Runs
// and their stage events are append-only; SQLiteStore implements
// engine.Recorder so the pipeline writes history as it goes.
package stores
