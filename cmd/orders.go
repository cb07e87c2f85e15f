package main

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/order"
)

var (
	orderActor       string
	orderDescription string
	orderRecipient   string

	itemCandidateID string
	itemCategory    string
	itemQuantity    string
	itemUnit        string
	itemUnitCost    string
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Assemble and send change orders",
}

var ordersCreateCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Open a draft change order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		o, err := e.Orders.Create(cmd.Context(), args[0], orderDescription,
			model.Actor{Type: model.ActorContractor, ID: orderActor})
		if err != nil {
			return err
		}
		return printJSON(o)
	},
}

var ordersShowCmd = &cobra.Command{
	Use:   "show <order-id>",
	Short: "Show an order with its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		o, items, err := e.Orders.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"order": o, "items": items})
	},
}

var ordersAddItemCmd = &cobra.Command{
	Use:   "add-item <order-id> <description>",
	Short: "Add a cost line to a draft order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		quantity, err := decimal.NewFromString(itemQuantity)
		if err != nil {
			return err
		}
		unitCost, err := decimal.NewFromString(itemUnitCost)
		if err != nil {
			return err
		}

		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		item, err := e.Orders.AddItem(cmd.Context(), args[0], order.ItemInput{
			CandidateID: itemCandidateID,
			Description: args[1],
			Category:    model.ItemCategory(itemCategory),
			Quantity:    quantity,
			Unit:        itemUnit,
			UnitCost:    unitCost,
		})
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

var ordersSendCmd = &cobra.Command{
	Use:   "send <order-id>",
	Short: "Send an order to the client for consent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		o, err := e.Orders.Send(cmd.Context(), args[0], orderRecipient,
			model.Actor{Type: model.ActorContractor, ID: orderActor})
		if err != nil {
			return err
		}
		return printJSON(o)
	},
}

var ordersRedeemCmd = &cobra.Command{
	Use:   "redeem <token> <sign|reject>",
	Short: "Redeem a consent token on the client's behalf",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		o, err := e.Orders.Redeem(cmd.Context(), args[0], order.Decision(args[1]), order.ClientMeta{})
		if err != nil {
			return err
		}
		return printJSON(o)
	},
}

func init() {
	ordersCreateCmd.Flags().StringVar(&orderActor, "actor", "", "contractor user id (required)")
	ordersCreateCmd.MarkFlagRequired("actor") //nolint:errcheck
	ordersCreateCmd.Flags().StringVar(&orderDescription, "description", "", "order description")

	ordersAddItemCmd.Flags().StringVar(&itemCandidateID, "candidate", "", "confirmed candidate to link")
	ordersAddItemCmd.Flags().StringVar(&itemCategory, "category", "", "labor, material, equipment, subcontract or other")
	ordersAddItemCmd.Flags().StringVar(&itemQuantity, "quantity", "1", "line quantity")
	ordersAddItemCmd.Flags().StringVar(&itemUnit, "unit", "", "unit of measure")
	ordersAddItemCmd.Flags().StringVar(&itemUnitCost, "unit-cost", "0", "cost per unit")

	ordersSendCmd.Flags().StringVar(&orderActor, "actor", "", "contractor user id (required)")
	ordersSendCmd.MarkFlagRequired("actor") //nolint:errcheck
	ordersSendCmd.Flags().StringVar(&orderRecipient, "recipient", "", "client contact (required)")
	ordersSendCmd.MarkFlagRequired("recipient") //nolint:errcheck

	ordersCmd.AddCommand(ordersCreateCmd, ordersShowCmd, ordersAddItemCmd, ordersSendCmd, ordersRedeemCmd)
	rootCmd.AddCommand(ordersCmd)
}
