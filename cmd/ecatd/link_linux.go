package main

// Raw ethernet is only available on linux
import _ "github.com/samsamfire/goecat/pkg/link/raw"
