// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/NVIDIA/stripelock/conf"
	"github.com/NVIDIA/stripelock/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex                                          // Used only for protecting insertions into registration{List|Set} during init() phase
	registrationList *list.List                         // Each list.Element is a *registrationItemStruct
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	upCount          int                                // Number of registered packages whose Up() succeeded
}

var globals globalsStruct

func init() {
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)

	register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	var (
		alreadyRegisted  bool
		registrationItem *registrationItemStruct
	)

	globals.Lock()
	_, alreadyRegisted = globals.registrationSet[packageName]
	if alreadyRegisted {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}
	registrationItem = &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
	globals.Unlock()
}

func registeredPackages() (packageNames []string) {
	globals.Lock()
	defer globals.Unlock()

	packageNames = make([]string, 0, globals.registrationList.Len())
	for e := globals.registrationList.Front(); nil != e; e = e.Next() {
		packageNames = append(packageNames, e.Value.(*registrationItemStruct).packageName)
	}
	return
}

// forward issues callback for each registered package from Front() to Back(),
// stopping at the first failure. The number of successful calls is returned.
func forward(apiName string, callback func(registrationItem *registrationItemStruct) error) (calls int, err error) {
	for e := globals.registrationList.Front(); nil != e; e = e.Next() {
		registrationItem := e.Value.(*registrationItemStruct)
		logger.Tracef("transitions calling %s.%s()", registrationItem.packageName, apiName)
		err = callback(registrationItem)
		if nil != err {
			logger.Errorf("transitions call to %s.%s() failed: %v", registrationItem.packageName, apiName, err)
			err = fmt.Errorf("%s.%s() failed: %v", registrationItem.packageName, apiName, err)
			return
		}
		calls++
	}
	return
}

// reverse issues callback from Back() to Front() for the first limit packages.
// Every package is called even if an earlier one fails; the first failure is returned.
func reverse(apiName string, limit int, callback func(registrationItem *registrationItemStruct) error) (err error) {
	index := globals.registrationList.Len() - 1
	for e := globals.registrationList.Back(); nil != e; e = e.Prev() {
		if index >= limit {
			index--
			continue
		}
		index--
		registrationItem := e.Value.(*registrationItemStruct)
		logger.Tracef("transitions calling %s.%s()", registrationItem.packageName, apiName)
		callbackErr := callback(registrationItem)
		if nil != callbackErr {
			logger.Errorf("transitions call to %s.%s() failed: %v", registrationItem.packageName, apiName, callbackErr)
			if nil == err {
				err = fmt.Errorf("%s.%s() failed: %v", registrationItem.packageName, apiName, callbackErr)
			}
		}
	}
	return
}

func up(confMap conf.ConfMap) (err error) {
	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	globals.upCount, err = forward("Up", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.Up(confMap)
	})
	if nil != err {
		// Unwind the packages that did come up
		_ = reverse("Down", globals.upCount, func(registrationItem *registrationItemStruct) error {
			return registrationItem.callbacks.Down(confMap)
		})
		globals.upCount = 0
		return
	}

	logger.Infof("Transitions Package Registration List: %v", registeredPackages())

	_, err = forward("SignaledFinish", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledFinish(confMap)
	})

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	logger.Infof("transitions.Signaled() called")
	defer func() {
		if nil == err {
			logger.Infof("transitions.Signaled() returning successfully")
		} else {
			logger.Errorf("transitions.Signaled() returning with failure: %v", err)
		}
	}()

	err = reverse("SignaledStart", globals.upCount, func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledStart(confMap)
	})
	if nil != err {
		return
	}

	_, err = forward("SignaledFinish", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledFinish(confMap)
	})

	return
}

func down(confMap conf.ConfMap) (err error) {
	logger.Infof("transitions.Down() called")

	err = reverse("SignaledStart", globals.upCount, func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledStart(confMap)
	})
	if nil != err {
		return
	}

	err = reverse("Down", globals.upCount, func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.Down(confMap)
	})

	globals.upCount = 0

	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return logger.SignaledStart(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
