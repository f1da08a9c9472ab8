// Package main provides the latticed host and its control CLI.
package main

func main() {
	Execute()
}
