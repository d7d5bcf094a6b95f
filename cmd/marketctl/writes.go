package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fixmypic/service_layer/internal/market"
	"github.com/fixmypic/service_layer/internal/reconcile"
	"github.com/fixmypic/service_layer/internal/service"
)

// openImage opens path for upload. An empty path yields no image.
func openImage(path string) (io.ReadCloser, string, error) {
	if path == "" {
		return nil, "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return f, filepath.Base(path), nil
}

// =============================================================================
// Picture requests
// =============================================================================

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Manage picture requests",
}

var requestFlags struct {
	title       string
	description string
	image       string
	budgetCents uint64
	expires     time.Duration
}

var requestCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Publish a picture request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			img, name, err := openImage(requestFlags.image)
			if err != nil {
				return err
			}
			in := service.RequestInput{
				Title:            requestFlags.title,
				Description:      requestFlags.description,
				ImageName:        name,
				BudgetMinorUnits: requestFlags.budgetCents,
			}
			if img != nil {
				defer img.Close()
				in.Image = img
			}
			if requestFlags.expires > 0 {
				in.ExpiresAt = time.Now().Add(requestFlags.expires)
			}

			proj, err := mp.CreatePictureRequest(ctx, in, reconcile.Callbacks[market.PictureRequest]{})
			if err != nil {
				return err
			}
			e.out.Info("request %q submitted as %s", proj.Value.Title, proj.LocalID)
			e.out.Field("metadata", proj.Value.MetadataHash)
			e.out.Field("budget", fmt.Sprintf("%d cents", proj.Value.BudgetMinorUnits))
			e.out.Field("expires", proj.Value.ExpiresAt.Format(time.RFC3339))
			_, err = e.out.WatchIntent(ctx, proj.Intent)
			return err
		})
	},
}

// =============================================================================
// Submissions
// =============================================================================

var submissionCmd = &cobra.Command{
	Use:   "submission",
	Short: "Manage submissions to picture requests",
}

var submissionFlags struct {
	request     string
	description string
	image       string
	priceCents  uint64
	viewer      string
}

var submissionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a picture to a request; a positive price locks it behind a purchase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			img, name, err := openImage(submissionFlags.image)
			if err != nil {
				return err
			}
			if img == nil {
				return fmt.Errorf("--image is required")
			}
			defer img.Close()

			proj, err := mp.CreateSubmission(ctx, service.SubmissionInput{
				RequestID:       submissionFlags.request,
				Description:     submissionFlags.description,
				Image:           img,
				ImageName:       name,
				PriceMinorUnits: submissionFlags.priceCents,
			}, reconcile.Callbacks[market.ContentItem]{})
			if err != nil {
				return err
			}
			item := proj.Value
			e.out.Info("%s submission submitted as %s", item.Kind, proj.LocalID)
			e.out.Field("metadata", item.MetadataHash)
			if item.Kind == market.KindPaid {
				e.out.Field("preview", item.PreviewID)
				e.out.Field("encrypted id", item.EncryptedID)
			} else {
				e.out.Field("image", item.FreeID)
			}
			_, err = e.out.WatchIntent(ctx, proj.Intent)
			return err
		})
	},
}

var submissionShowCmd = &cobra.Command{
	Use:   "show <submission>",
	Short: "Show an indexed submission as a viewer would see it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			view, err := mp.ViewSubmission(ctx, submissionFlags.viewer, args[0])
			if err != nil {
				return err
			}
			e.out.Field("submission", view.Item.ID)
			e.out.Field("request", view.Item.RequestID)
			e.out.Field("description", view.Item.Description)
			e.out.Field("price", fmt.Sprintf("%d cents", view.Item.PriceMinorUnits))
			e.out.Field("purchases", len(view.Item.Purchases))
			e.out.Field("image", view.ImageURL)
			e.out.Field("unlocked", view.Unlocked)
			return nil
		})
	},
}

// =============================================================================
// Comments
// =============================================================================

var commentFlags struct {
	request string
	text    string
}

var commentCmd = &cobra.Command{
	Use:   "comment",
	Short: "Comment on picture requests",
}

var commentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Post a comment on a picture request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			proj, err := mp.CreateComment(ctx, commentFlags.request, commentFlags.text, reconcile.Callbacks[market.Comment]{})
			if err != nil {
				return err
			}
			e.out.Info("comment submitted as %s", proj.LocalID)
			_, err = e.out.WatchIntent(ctx, proj.Intent)
			return err
		})
	},
}

// =============================================================================
// Purchases and receipts
// =============================================================================

var purchaseCmd = &cobra.Command{
	Use:   "purchase <submission>",
	Short: "Buy a paid submission with the operator key at the current rate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			res, err := mp.PurchaseSubmission(ctx, args[0], reconcile.Callbacks[market.PurchaseRecord]{})
			if err != nil {
				return err
			}
			e.out.Info("purchase submitted as %s", res.Projection.LocalID)
			e.out.Field("price", fmt.Sprintf("%d cents", res.Conversion.PriceMinorUnits))
			e.out.Field("rate", res.Conversion.Rate.String())
			e.out.Field("paying", formatEther(res.Conversion.NativeUnits)+" ETH")
			_, err = e.out.WatchIntent(ctx, res.Projection.Intent)
			return err
		})
	},
}

var purchasesCmd = &cobra.Command{
	Use:   "purchases <buyer>",
	Short: "List the indexed purchases of an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			views, err := mp.Purchases(ctx, args[0])
			if err != nil {
				return err
			}
			if len(views) == 0 {
				e.out.Info("no purchases for %s", args[0])
				return nil
			}
			for _, v := range views {
				fmt.Fprintf(e.out.Writer(), "%s  %s  %d cents  %s\n",
					v.PurchasedAt.UTC().Format("2006-01-02"), v.ContentID, v.PriceMinorUnits, v.Description)
			}
			return nil
		})
	},
}

var mintFlags struct {
	buyer      string
	submission string
	tokenURI   string
}

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a purchase receipt token to a verified buyer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMarketplace(cmd, func(ctx context.Context, e *env, mp *service.Marketplace) error {
			tokenID, err := mp.MintForSubmission(ctx, mintFlags.buyer, mintFlags.submission, mintFlags.tokenURI)
			if err != nil {
				return err
			}
			e.out.Success("minted token %s to %s", tokenID.String(), mintFlags.buyer)
			return nil
		})
	},
}

func init() {
	f := requestCreateCmd.Flags()
	f.StringVar(&requestFlags.title, "title", "", "request title")
	f.StringVar(&requestFlags.description, "description", "", "what the picture should show")
	f.StringVar(&requestFlags.image, "image", "", "optional reference image")
	f.Uint64Var(&requestFlags.budgetCents, "budget-cents", 0, "budget in cents")
	f.DurationVar(&requestFlags.expires, "expires-in", 0, "time until the request expires (default one year)")
	_ = requestCreateCmd.MarkFlagRequired("title")
	requestCmd.AddCommand(requestCreateCmd)

	f = submissionCreateCmd.Flags()
	f.StringVar(&submissionFlags.request, "request", "", "picture request address")
	f.StringVar(&submissionFlags.description, "description", "", "submission description")
	f.StringVar(&submissionFlags.image, "image", "", "picture to submit")
	f.Uint64Var(&submissionFlags.priceCents, "price-cents", 0, "price in cents; 0 publishes the picture for free")
	_ = submissionCreateCmd.MarkFlagRequired("request")
	_ = submissionCreateCmd.MarkFlagRequired("image")
	submissionShowCmd.Flags().StringVar(&submissionFlags.viewer, "viewer", "", "address to resolve the image for")
	submissionCmd.AddCommand(submissionCreateCmd, submissionShowCmd)

	f = commentCreateCmd.Flags()
	f.StringVar(&commentFlags.request, "request", "", "picture request address")
	f.StringVar(&commentFlags.text, "text", "", "comment text")
	_ = commentCreateCmd.MarkFlagRequired("request")
	_ = commentCreateCmd.MarkFlagRequired("text")
	commentCmd.AddCommand(commentCreateCmd)

	f = mintCmd.Flags()
	f.StringVar(&mintFlags.buyer, "buyer", "", "address that purchased the submission")
	f.StringVar(&mintFlags.submission, "submission", "", "purchased submission address")
	f.StringVar(&mintFlags.tokenURI, "token-uri", "", "metadata URI for the token")
	_ = mintCmd.MarkFlagRequired("buyer")
	_ = mintCmd.MarkFlagRequired("submission")
	_ = mintCmd.MarkFlagRequired("token-uri")

	rootCmd.AddCommand(requestCmd, submissionCmd, commentCmd, purchaseCmd, purchasesCmd, mintCmd)
}
