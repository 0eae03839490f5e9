// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/stripelock/conf"
)

var logFile *os.File = nil

// output is the writer handed to logrus; extra targets are added via AddLogTarget
var output = &multiWriter{}

func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	output.clear()

	// Fetch log file info, if provided
	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
		output.addWriter(logFile)
	}

	// Determine whether we should log to console. Default is false.
	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if err != nil {
		logToConsole = false
	}

	if logToConsole || logFilePath == "" {
		output.addWriter(os.Stderr)
	}
	log.SetOutput(output)

	// NOTE: We always enable max logging in logrus, and either decide in
	//       this package whether to log OR log everything and parse it out of
	//       the logs after the fact
	log.SetLevel(log.DebugLevel)

	// Fetch trace and debug log settings, if provided
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

// SignaledStart is called before other packages reload their configuration.
func SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

// SignaledFinish re-reads the trace and debug settings once the reload is done.
func SignaledFinish(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	return
}

func Down(confMap conf.ConfMap) (err error) {
	// We open and close our own logfile
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	output.clear()
	log.SetOutput(os.Stderr)
	return
}

func addLogTarget(writer interface {
	Write(p []byte) (n int, err error)
}) {
	output.addWriter(writer)
}
