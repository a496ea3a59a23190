// Package main wires together the permitd service binary.
package main
