//go:build !unix

package main

import "os"

var reportSignals []os.Signal
