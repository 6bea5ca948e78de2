//go:build unix

package main

import (
	"os"
	"syscall"
)

// reportSignals 触发流量排名报告的信号
var reportSignals = []os.Signal{syscall.SIGUSR1}
