package aggregate

import "math/big"

const bpsDivisor = 10_000

// DefaultFeeBps is the platform cut applied when no rate is configured.
const DefaultFeeBps = 200

// feeSplit divides one gross line into the payee's net amount and the
// platform cut. The net side is floored, so rounding dust always lands on
// the platform and net + fee == gross holds exactly.
func feeSplit(gross *big.Int, feeBps uint32) (*big.Int, *big.Int) {
	net := new(big.Int).Mul(gross, big.NewInt(int64(bpsDivisor-feeBps)))
	net.Div(net, big.NewInt(bpsDivisor))
	fee := new(big.Int).Sub(gross, net)
	return net, fee
}
