package main

import "github.com/pocketbudget/budget-cli/cmd"

func main() {
	cmd.Execute()
}
