// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stripelock

import (
	"sync"

	"github.com/NVIDIA/stripelock/conf"
	"github.com/NVIDIA/stripelock/logger"
	"github.com/NVIDIA/stripelock/transitions"
)

const (
	defaultStripesPerSlot = 1
	defaultDivisor        = 256
)

type globalsStruct struct {
	sync.Mutex

	config   Config
	managers map[string]*Manager
}

var globals globalsStruct

func init() {
	transitions.Register("stripelock", &globals)
}

// ParseConfMap reads the [StripeLock] section. Missing options take their
// defaults.
func ParseConfMap(confMap conf.ConfMap) (config Config, err error) {
	config.Name = "manager"

	config.StripesPerSlot, err = confMap.FetchOptionValueUint64("StripeLock", "StripesPerSlot")
	if err != nil || config.StripesPerSlot == 0 {
		config.StripesPerSlot = defaultStripesPerSlot
	}

	config.DefaultDivisor, err = confMap.FetchOptionValueUint64("StripeLock", "DefaultDivisor")
	if err != nil || config.DefaultDivisor == 0 {
		config.DefaultDivisor = defaultDivisor
	}

	config.HashEnable, err = confMap.FetchOptionValueBool("StripeLock", "HashEnable")
	if err != nil {
		config.HashEnable = true
	}

	err = nil
	return
}

// DefaultConfig returns the configuration read by the last Up or Signaled
// transition.
func DefaultConfig() (config Config) {
	globals.Lock()
	config = globals.config
	globals.Unlock()
	return
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	config, err := ParseConfMap(confMap)
	if err != nil {
		return
	}

	globals.Lock()
	globals.config = config
	globals.managers = make(map[string]*Manager)
	globals.Unlock()
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish picks up new defaults. Running managers keep their
// configuration.
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	config, err := ParseConfMap(confMap)
	if err != nil {
		return
	}

	globals.Lock()
	globals.config = config
	globals.Unlock()
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	for name := range globals.managers {
		logger.Warnf("stripelock: manager %s was not closed", name)
	}
	globals.managers = nil
	globals.Unlock()
	return nil
}
