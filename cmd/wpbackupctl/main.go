// Command wpbackupctl is the administrative CLI for the Master (spec §6.6):
// user and node lifecycle operations an operator runs from a shell rather
// than the REST API. Grounded on the pack's cobra idiom (storj-storj's
// cmd/* binaries: a root command with RunE subcommands), connecting to the
// same Postgres database as cmd/master rather than going over HTTP, since
// this binary is meant to run on the Master host itself.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/config"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/enroll"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/seal"
)

// exit codes per spec §6.6.
const (
	exitOK       = 0
	exitInternal = 1
	exitUsage    = 2
)

func main() {
	root := &cobra.Command{
		Use:           "wpbackupctl",
		Short:         "Administrative CLI for the wpbackup Master",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		listUsersCmd(),
		resetPasswordCmd(),
		disableMFACmd(),
		approveNodeCmd(),
		addStorageProviderCmd(),
		setQuotaCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if _, ok := err.(usageError); ok {
			os.Exit(exitUsage)
		}
		os.Exit(exitInternal)
	}
}

// usageError marks a command failure as the caller's fault (bad args,
// not-found entities) rather than an internal one, for the exit-code split.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func usageErrorf(format string, args ...interface{}) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// exactArgsUsage wraps cobra.ExactArgs so a wrong argument count exits 2
// (caller error) rather than falling through to the internal-error exit 1.
func exactArgsUsage(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func connectDB() (*config.Config, error) {
	cfg := config.Load()
	if err := database.Connect(cfg); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, nil
}

func listUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-users",
		Short: "List operator accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := connectDB(); err != nil {
				return err
			}
			defer database.Close()

			var users []models.User
			if err := database.DB.Order("username ASC").Find(&users).Error; err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			for _, u := range users {
				role := "site_admin"
				switch u.Role {
				case models.RoleSuperAdmin:
					role = "super_admin"
				case models.RoleNodeAdmin:
					role = "node_admin"
				}
				status := "active"
				if !u.IsActive {
					status = "disabled"
				}
				fmt.Printf("%d\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.Email, role, status)
			}
			return nil
		},
	}
}

func findUserByEmail(email string) (*models.User, error) {
	var user models.User
	if err := database.DB.Where("email = ?", email).First(&user).Error; err != nil {
		return nil, usageErrorf("no user with email %q", email)
	}
	return &user, nil
}

func resetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <email>",
		Short: "Force-reset a user's password to a freshly generated one",
		Args:  exactArgsUsage(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := connectDB(); err != nil {
				return err
			}
			defer database.Close()

			user, err := findUserByEmail(args[0])
			if err != nil {
				return err
			}

			plaintext, err := enroll.GenerateAPIKey() // same 256-bit random-hex generator, repurposed for a one-time password
			if err != nil {
				return fmt.Errorf("generate password: %w", err)
			}
			hashedBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			hashed := string(hashedBytes)
			if err := database.DB.Model(user).Updates(map[string]interface{}{
				"password":              hashed,
				"force_password_change": true,
			}).Error; err != nil {
				return fmt.Errorf("update password: %w", err)
			}

			activity.Record(0, "wpbackupctl", models.ActivityPasswordReset, "user", user.ID, user.Username, nil, "cli", "wpbackupctl")
			fmt.Printf("new password for %s: %s\n", user.Username, plaintext)
			fmt.Println("user must change this password on next login")
			return nil
		},
	}
}

func disableMFACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable-mfa <email>",
		Short: "Disable two-factor authentication for a user, e.g. after a lost device",
		Args:  exactArgsUsage(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := connectDB(); err != nil {
				return err
			}
			defer database.Close()

			user, err := findUserByEmail(args[0])
			if err != nil {
				return err
			}
			if err := database.DB.Model(user).Updates(map[string]interface{}{
				"two_factor_enabled": false,
				"two_factor_secret":  "",
			}).Error; err != nil {
				return fmt.Errorf("disable mfa: %w", err)
			}

			activity.Record(0, "wpbackupctl", models.ActivityMFADisable, "user", user.ID, user.Username, nil, "cli", "wpbackupctl")
			fmt.Printf("two-factor authentication disabled for %s\n", user.Username)
			return nil
		},
	}
}

func approveNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve-node <id>",
		Short: "Approve a PENDING node and mint its API key",
		Args:  exactArgsUsage(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return usageErrorf("invalid node id %q", args[0])
			}
			if _, err := connectDB(); err != nil {
				return err
			}
			defer database.Close()

			var node models.Node
			if err := database.DB.First(&node, id).Error; err != nil {
				return usageErrorf("no node with id %d", id)
			}

			plaintextKey, err := enroll.Approve(uint(id), node.Address)
			if err != nil {
				if err == enroll.ErrAlreadyActive {
					return usageErrorf("node %d is already active", id)
				}
				return fmt.Errorf("approve node: %w", err)
			}

			activity.Record(0, "wpbackupctl", models.ActivityNodeApprove, "node", node.ID, node.Hostname, nil, "cli", "wpbackupctl")
			fmt.Printf("node %d (%s) approved\n", node.ID, node.Hostname)
			fmt.Printf("api key (deliver to the node operator, shown only once here): %s\n", plaintextKey)
			fmt.Println("this key is also retrievable exactly once via the node's own status poll")
			return nil
		},
	}
}

func addStorageProviderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-storage-provider",
		Short: "Register a storage provider, sealing its credentials before they touch disk",
	}
	var (
		providerType string
		endpoint     string
		region       string
		bucket       string
		accessKey    string
		secretKey    string
		isDefault    bool
	)
	cmd.Flags().StringVar(&providerType, "type", "s3", "provider type: s3 or local")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "object store endpoint (required)")
	cmd.Flags().StringVar(&region, "region", "", "object store region")
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket name (required)")
	cmd.Flags().StringVar(&accessKey, "access-key", "", "access key (required)")
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "secret key (required)")
	cmd.Flags().BoolVar(&isDefault, "default", false, "mark as the default provider for new nodes")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if endpoint == "" || bucket == "" || accessKey == "" || secretKey == "" {
			return usageErrorf("--endpoint, --bucket, --access-key and --secret-key are required")
		}
		var ptype models.StorageProviderType
		switch strings.ToLower(providerType) {
		case "s3", "":
			ptype = models.StorageProviderS3
		case "local":
			ptype = models.StorageProviderLocal
		default:
			return usageErrorf("unknown provider type %q", providerType)
		}

		cfg, err := connectDB()
		if err != nil {
			return err
		}
		defer database.Close()

		generations := database.EnsureMasterKeyGenerations(cfg)
		keyring, err := seal.NewKeyring(generations...)
		if err != nil {
			return fmt.Errorf("initialize keyring: %w", err)
		}

		accessSealed, err := keyring.Seal([]byte(accessKey))
		if err != nil {
			return fmt.Errorf("seal access key: %w", err)
		}
		secretSealed, err := keyring.Seal([]byte(secretKey))
		if err != nil {
			return fmt.Errorf("seal secret key: %w", err)
		}

		provider := models.StorageProvider{
			ExternalID:      uuid.New(),
			Type:            ptype,
			Endpoint:        endpoint,
			Region:          region,
			Bucket:          bucket,
			AccessKeySealed: accessSealed,
			SecretKeySealed: secretSealed,
			IsDefault:       isDefault,
			IsActive:        true,
		}
		if err := database.DB.Create(&provider).Error; err != nil {
			return fmt.Errorf("create storage provider: %w", err)
		}

		activity.Record(0, "wpbackupctl", models.ActivityStorageProviderCreate, "storage_provider", provider.ID, bucket, nil, "cli", "wpbackupctl")
		fmt.Printf("storage provider %d created (%s, bucket %s)\n", provider.ID, ptype, bucket)
		return nil
	}
	return cmd
}

func setQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-quota <node|site> <id> <bytes>",
		Short: "Set a node's or site's storage quota in bytes",
		Args:  exactArgsUsage(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return usageErrorf("invalid id %q", args[1])
			}
			bytes, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || bytes < 0 {
				return usageErrorf("bytes must be a non-negative integer, got %q", args[2])
			}

			if _, err := connectDB(); err != nil {
				return err
			}
			defer database.Close()

			switch kind {
			case "node":
				var node models.Node
				if err := database.DB.First(&node, id).Error; err != nil {
					return usageErrorf("no node with id %d", id)
				}
				if err := database.DB.Model(&node).Update("storage_quota_bytes", bytes).Error; err != nil {
					return fmt.Errorf("update node quota: %w", err)
				}
				activity.Record(0, "wpbackupctl", models.ActivityQuotaSet, "node", node.ID, node.Hostname, map[string]interface{}{"quota_bytes": bytes}, "cli", "wpbackupctl")
				fmt.Printf("node %d quota set to %d bytes\n", node.ID, bytes)

			case "site":
				var site models.Site
				if err := database.DB.First(&site, id).Error; err != nil {
					return usageErrorf("no site with id %d", id)
				}
				if err := database.DB.Model(&site).Update("storage_quota_bytes", bytes).Error; err != nil {
					return fmt.Errorf("update site quota: %w", err)
				}
				activity.Record(0, "wpbackupctl", models.ActivityQuotaSet, "site", site.ID, site.Name, map[string]interface{}{"quota_bytes": bytes}, "cli", "wpbackupctl")
				fmt.Printf("site %d quota set to %d bytes\n", site.ID, bytes)

			default:
				return usageErrorf("first argument must be \"node\" or \"site\", got %q", kind)
			}
			return nil
		},
	}
}
