// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package transitions sequences configuration driven start-up, reload and
// shutdown across the packages of stripelockd.
package transitions

import (
	"github.com/NVIDIA/stripelock/conf"
)

// Callbacks is the interface implemented by each package desiring notification of
// configuration changes. Each such package should implement a struct with pointer
// receivers for each API listed below even when there is no interest in being
// notified of a particular condition.
//
// By calling transitions.Register() in the package's init() func, the proper order
// of registration will be ensured. Up() and SignaledFinish() are issued in
// registration order. SignaledStart() and Down() are issued in reverse
// registration order.
//
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func should the package be interested
// in one or more of the callbacks that they will receive. Each callback func should receive
// a struct implementing the Callbacks interface by reference.
//
// As an example, consider the following:
//
//   package foo
//
//   import "github.com/NVIDIA/stripelock/conf"
//   import "github.com/NVIDIA/stripelock/transitions"
//
//   type transitionsCallbackInterfaceStruct struct {
//   }
//
//   var transitionsCallbackInterface transitionsCallbackInterfaceStruct
//
//   func init() {
//       transitions.Register("foo", &transitionsCallbackInterface)
//   }
//
//   func (transitionsCallbackInterface *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
//       // Perform start-up initialization derived from confMap
//       return
//   }
//
// Package logger is registered by package transitions itself so that it is
// always the first package brought up and the last one brought down.
//
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up should be called at startup by the main() (or setup func) of each program including
// any of the packages needing callback notifications. Up() callbacks are followed by
// SignaledFinish() callbacks as if a reload had just completed.
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled should be called during execution of a signal handler for e.g. SIGHUP.
// SignaledStart() is issued in reverse registration order, then SignaledFinish()
// in registration order with the updated confMap.
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down should be called just before shutdown. A SignaledStart() pass precedes the
// Down() callbacks, both in reverse registration order, ending with package logger.
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}

// RegisteredPackages returns the package names in registration order.
func RegisteredPackages() (packageNames []string) {
	return registeredPackages()
}
