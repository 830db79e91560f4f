// Command orcha runs human-in-the-loop task graphs for fraud and risk
// investigations.
package main

func main() {
	Execute()
}
