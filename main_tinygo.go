//go:build tinygo

package main

import (
	"rtk/app"
	"rtk/hal"
)

func main() {
	app.Run(hal.New())
}
