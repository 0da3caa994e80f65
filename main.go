package main

import "github.com/J1nWo0/Visitor-Monitoring-System/cmd"

func main() {
	cmd.Execute()
}
