package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image>",
	Short: "Identify the person in an image",
	Long: `Encode the face in an image and match it against every enrolled identity.
Nothing is written; use it to check enrollment quality or tune the tolerance.`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)
	identifyCmd.Flags().Float64("tolerance", 0, "Override the match tolerance")
}

func runIdentify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if t := mustGetFloat64(cmd, "tolerance"); t > 0 {
		cfg.Matcher.Tolerance = t
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	encoding, err := a.encoder().Encode(ctx, data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", args[0], err)
	}

	res, err := a.registry.Identify(ctx, encoding)
	if err != nil {
		return fmt.Errorf("identifying: %w", err)
	}

	fmt.Printf("Outcome:   %s\n", res.Outcome)
	fmt.Printf("Tolerance: %.3f\n", a.registry.Tolerance())
	switch res.Outcome {
	case matcher.Matched:
		identity, err := a.store.GetIdentity(ctx, res.IdentityID)
		if err != nil {
			return fmt.Errorf("loading identity %d: %w", res.IdentityID, err)
		}
		fmt.Printf("Identity:  #%d %s <%s> (%s)\n", identity.ID, identity.FullName, identity.Email, identity.ExternalID)
		fmt.Printf("Distance:  %.4f\n", res.Distance)
	case matcher.InvalidInput:
		fmt.Printf("Reason:    %s\n", res.Reason)
	}
	return nil
}
