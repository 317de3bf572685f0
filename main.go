package main

import "github.com/arcana-framework/arcana-go/cmd"

func main() {
	cmd.Execute()
}
