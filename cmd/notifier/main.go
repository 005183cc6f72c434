// Package main is the notification worker binary.
package main

import "github.com/JakeFAU/codesearch/cmd"

func main() {
	cmd.Execute(cmd.NewNotifierCmd())
}
