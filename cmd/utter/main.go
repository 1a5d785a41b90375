// Package main is the entry point for utter.
package main

func main() {
	Execute()
}
