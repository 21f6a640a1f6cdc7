//go:build native

package main

// Registers the llama.cpp backend.
import _ "PocketLM/internal/native"
