//go:build windows

package main

import "github.com/calibern/screenmatch/internal/capture"

func platformCapabilities() []capture.Capability {
	return []capture.Capability{capture.GDICapability{}}
}
