package main

import "github.com/arcward/unityhelper/cmd"

func main() {
	cmd.Execute()
}
