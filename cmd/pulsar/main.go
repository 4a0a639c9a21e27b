// Command pulsar runs declarative CI/CD pipelines.
package main

import "github.com/papapumpkin/pulsar/cmd"

func main() {
	cmd.Execute()
}
