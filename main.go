package main

import "irex/internal/irex"

func main() {
	irex.Main()
}
