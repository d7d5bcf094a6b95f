package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fixmypic/service_layer/internal/cipher"
	"github.com/fixmypic/service_layer/internal/service"
	"github.com/fixmypic/service_layer/internal/watermark"
)

var priceCmd = &cobra.Command{
	Use:   "price <cents>",
	Short: "Convert a price in cents to native units at the current rate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cents, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("cents must be a non-negative integer: %w", err)
		}
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			conv, err := mp.Price(ctx, cents)
			if err != nil {
				return err
			}
			e.out.Field("price", fmt.Sprintf("$%d.%02d", cents/100, cents%100))
			e.out.Field("rate", conv.Rate.String())
			e.out.Field("wei", conv.NativeUnits.String())
			e.out.Field("ether", formatEther(conv.NativeUnits))
			e.out.Field("quoted at", conv.FetchedAt.UTC().Format("2006-01-02 15:04:05Z"))
			return nil
		})
	},
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt <picture-id>",
	Short: "Encrypt a content identifier with ENCRYPT_SECRET_KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		c, err := cipher.New(e.cfg.EncryptSecret)
		if err != nil {
			return err
		}
		out, err := c.Encrypt(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out.Writer(), out)
		return nil
	},
}

var unlockBuyer string

var unlockCmd = &cobra.Command{
	Use:   "unlock <submission> <encrypted-id>",
	Short: "Decrypt a paid submission's identifier for a verified buyer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			plain, err := mp.Decrypt(ctx, unlockBuyer, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out.Writer(), plain)
			return nil
		})
	},
}

var watermarkOpacity float64

var watermarkCmd = &cobra.Command{
	Use:   "watermark <input> <output.png>",
	Short: "Stamp the watermark onto an image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		w, err := watermark.Load(e.cfg.WatermarkPath, watermarkOpacity)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			e.out.Warning("watermark %s not found; using the built-in mark", e.cfg.WatermarkPath)
			w = watermark.New(nil, watermarkOpacity)
		}
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := w.Apply(in)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], out, 0o644); err != nil {
			return err
		}
		e.out.Success("wrote %s (%d bytes)", args[1], len(out))
		return nil
	},
}

func formatEther(wei *big.Int) string {
	s := new(big.Rat).SetFrac(wei, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)).FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func init() {
	unlockCmd.Flags().StringVar(&unlockBuyer, "buyer", "", "address whose purchase is verified")
	_ = unlockCmd.MarkFlagRequired("buyer")
	watermarkCmd.Flags().Float64Var(&watermarkOpacity, "opacity", watermark.DefaultOpacity, "watermark opacity between 0 and 1")

	rootCmd.AddCommand(priceCmd, encryptCmd, unlockCmd, watermarkCmd)
}
