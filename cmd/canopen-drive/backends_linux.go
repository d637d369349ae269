package main

import (
	_ "github.com/samsamfire/canopen-drive/pkg/can/socketcan"
	_ "github.com/samsamfire/canopen-drive/pkg/can/socketcanraw"
)
