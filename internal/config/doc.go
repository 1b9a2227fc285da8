// Package config loads the task manager's settings from defaults, an
// optional YAML file and TASKMGR_-prefixed environment variables, and
// validates them before any component is built.
package config
