// Package config loads the project configuration file: the working
// tree layout, the target device series, and per-builder option blocks
// that builders decode themselves.
package config
