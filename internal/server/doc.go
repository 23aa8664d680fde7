// Package server hosts the Fiber control surface and the startup glue that
// turns a loaded config into running offline controllers. Bootstrap opens the
// shared blob store, metadata database and upstream client once; the
// ControllerRegistry maps each configured controller name to its
// offline.Controller so route handlers in server/routes can dispatch by name.
// Keep exports narrow and accept explicit dependencies.
package server
