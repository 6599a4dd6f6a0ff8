package main

import (
	"example.com/pulsecal/services/telemetry/cmd"
)

func main() {
	cmd.Execute()
}
