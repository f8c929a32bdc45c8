package main

import "github.com/Manu343726/garrapata/cmd"

func main() {
	cmd.Execute()
}
