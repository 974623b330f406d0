// Package utils
package utils

import (
	"log"
	"os"
	"sync"
)

var (
	logger *log.Logger
	once   sync.Once
)

// GetLogger returns the shared file logger for run summaries.
func GetLogger() *log.Logger {
	once.Do(func() {
		file, err := os.OpenFile("quantum-markets.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		logger = log.New(file, "Quantum Markets: ", log.LstdFlags)
	})
	return logger
}
