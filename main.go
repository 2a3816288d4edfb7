package main

import "github.com/HendrickFS/bio-supply-twin/cmd"

func main() {
	cmd.Execute()
}
