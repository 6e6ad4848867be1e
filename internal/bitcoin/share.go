// Package bitcoin holds the small amount of Bitcoin logic the synthetic
// client needs: share identifiers, difficulty targets for reporting and
// optional validation of the mining account as an address.
package bitcoin

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxTarget is the difficulty-1 target 0x00000000FFFF0000...
var maxTarget = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// ShareID derives a stable identifier for a synthetic share as the
// double-SHA256 of its submission fields. It carries no proof of work.
func ShareID(jobID, extraNonce1, extraNonce2, ntime, nonce string) string {
	data := strings.Join([]string{jobID, extraNonce1, extraNonce2, ntime, nonce}, ":")
	return chainhash.DoubleHashH([]byte(data)).String()
}

// DifficultyToTarget converts a share difficulty to its 32-byte big-endian
// target. Non-positive difficulties map to the difficulty-1 target.
func DifficultyToTarget(difficulty float64) []byte {
	result := make([]byte, 32)

	if difficulty <= 0 {
		maxTarget.FillBytes(result)
		return result
	}

	quo := new(big.Float).Quo(new(big.Float).SetInt(maxTarget), big.NewFloat(difficulty))
	target, _ := quo.Int(nil)

	if target.BitLen() > 256 {
		maxTarget.FillBytes(result)
		return result
	}
	target.FillBytes(result)
	return result
}

// TargetHex renders the target for a difficulty as 64 hex digits
func TargetHex(difficulty float64) string {
	return hex.EncodeToString(DifficultyToTarget(difficulty))
}
