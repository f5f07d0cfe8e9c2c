// Package packages provides package identification (names and labels), the
// package-lookup node family that resolves a package name to the configured
// root containing its definition file, and the package node family that loads
// and parses definition files into target maps, tolerating partial failures.
package packages
