package main

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ammscope/internal/router"
)

const priceScale = 8

func runQuote(cmd *cobra.Command, _ []string) error {
	amountIn, err := bigFlag(cmd, "amount-in")
	if err != nil {
		return err
	}
	amountOut, err := bigFlag(cmd, "amount-out")
	if err != nil {
		return err
	}
	reserveIn, err := bigFlag(cmd, "reserve-in")
	if err != nil {
		return err
	}
	reserveOut, err := bigFlag(cmd, "reserve-out")
	if err != nil {
		return err
	}
	depositQuote, _ := cmd.Flags().GetBool("deposit")

	if reserveIn == nil || reserveOut == nil {
		return fmt.Errorf("reserve-in and reserve-out are required")
	}

	switch {
	case depositQuote:
		if amountIn == nil {
			return fmt.Errorf("amount-in is required for a deposit quote")
		}
		quoted, err := router.Quote(amountIn, reserveIn, reserveOut)
		if err != nil {
			return err
		}
		fmt.Printf("balanced amount: %s\n", quoted)
	case amountIn != nil:
		out, err := router.AmountOut(amountIn, reserveIn, reserveOut)
		if err != nil {
			return err
		}
		fmt.Printf("amount out: %s\n", out)
		fmt.Printf("execution price: %s\n", executionPrice(out, amountIn))
	case amountOut != nil:
		in, err := router.AmountIn(amountOut, reserveIn, reserveOut)
		if err != nil {
			return err
		}
		fmt.Printf("amount in: %s\n", in)
		fmt.Printf("execution price: %s\n", executionPrice(amountOut, in))
	default:
		return fmt.Errorf("one of amount-in or amount-out is required")
	}
	return nil
}

// executionPrice renders out/in as a decimal string.
func executionPrice(out, in *big.Int) string {
	if in.Sign() == 0 {
		return "0"
	}
	num := decimal.NewFromBigInt(out, 0)
	den := decimal.NewFromBigInt(in, 0)
	return num.DivRound(den, priceScale).String()
}

func bigFlag(cmd *cobra.Command, name string) (*big.Int, error) {
	raw, err := cmd.Flags().GetString(name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer for --%s: %s", name, raw)
	}
	return value, nil
}
