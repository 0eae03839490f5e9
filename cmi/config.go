// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmi

import (
	"time"

	"github.com/NVIDIA/stripelock/conf"
	"github.com/NVIDIA/stripelock/logger"
)

const (
	defaultHeartbeatInterval  = time.Second
	defaultHeartbeatMissLimit = 3
)

// ParseConfMap reads the [CMI] section, and StripeLock.MonitorOpsPerSecond,
// into a Config and a TCPConfig. Missing options take their defaults.
func ParseConfMap(confMap conf.ConfMap) (config Config, tcpConfig TCPConfig, err error) {
	config.Name = "service"

	config.Active, err = confMap.FetchOptionValueBool("CMI", "Active")
	if err != nil {
		logger.Warnf("config variable 'CMI.Active' defaulting to 'false': %v", err)
		config.Active = false
	}

	config.HeartbeatInterval, err = confMap.FetchOptionValueDuration("CMI", "HeartbeatInterval")
	if err != nil {
		logger.Warnf("config variable 'CMI.HeartbeatInterval' defaulting to '%v': %v", defaultHeartbeatInterval, err)
		config.HeartbeatInterval = defaultHeartbeatInterval
	}

	missLimit, err := confMap.FetchOptionValueUint32("CMI", "HeartbeatMissLimit")
	if err != nil || missLimit == 0 {
		logger.Warnf("config variable 'CMI.HeartbeatMissLimit' defaulting to '%d'", defaultHeartbeatMissLimit)
		missLimit = defaultHeartbeatMissLimit
	}
	config.HeartbeatMissLimit = int(missLimit)

	config.MonitorOpsPerSecond, err = confMap.FetchOptionValueFloat64("StripeLock", "MonitorOpsPerSecond")
	if err != nil {
		config.MonitorOpsPerSecond = 0
	}

	tcpConfig.ListenAddress, err = confMap.FetchOptionValueString("CMI", "ListenAddress")
	if err != nil {
		tcpConfig.ListenAddress = ""
	}
	tcpConfig.PeerAddress, err = confMap.FetchOptionValueString("CMI", "PeerAddress")
	if err != nil {
		tcpConfig.PeerAddress = ""
	}

	tcpConfig.DialTimeout, err = confMap.FetchOptionValueDuration("CMI", "DialTimeout")
	if err != nil {
		tcpConfig.DialTimeout = defaultDialTimeout
	}

	tcpConfig.MaxFrameSize, err = confMap.FetchOptionValueUint32("CMI", "MaxFrameSize")
	if err != nil {
		tcpConfig.MaxFrameSize = defaultMaxFrameSize
	}

	err = nil
	return
}
