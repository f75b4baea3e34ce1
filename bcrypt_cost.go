//go:build !race

package idman

func passwordHashCost() int {
	return 14
}
