//go:build linux

package main

import (
	_ "github.com/samsamfire/gocanmsg/pkg/can/einride"
	_ "github.com/samsamfire/gocanmsg/pkg/can/socketcanv2"
)
