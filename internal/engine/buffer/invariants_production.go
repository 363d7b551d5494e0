//go:build production

package buffer

const invariantChecks = false
