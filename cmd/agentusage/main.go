// Package main is the entry point for agentusage.
//
//	@title			Agent Usage Analytics API
//	@version		1.0
//	@description	Usage ingestion, quota alerts and analytics for AI agent interactions.
//
//	@license.name	MIT
//
//	@BasePath		/
package main

func main() {
	Execute()
}
