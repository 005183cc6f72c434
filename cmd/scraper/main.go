// Package main is the scrape-and-validate worker binary.
package main

import "github.com/JakeFAU/codesearch/cmd"

func main() {
	cmd.Execute(cmd.NewScraperCmd())
}
