package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/localmesh/p2pnode/internal/model"
	"github.com/spf13/cobra"
)

var flagGetWait time.Duration

var getCmd = &cobra.Command{
	Use:   "get <peer-device-id> <file-id> <destination-path>",
	Short: "Download a file from a peer",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerDeviceID, fileID, dest := args[0], args[1], args[2]

		c, err := bootstrap()
		if err != nil {
			return err
		}
		defer c.Stop()

		waitCtx, cancel := context.WithTimeout(context.Background(), flagGetWait)
		if err := waitForPeer(waitCtx, c, peerDeviceID); err != nil {
			cancel()
			return err
		}
		cancel()

		transferID, err := c.StartDownload(context.Background(), model.TransferRequest{
			PeerDeviceID:    peerDeviceID,
			FileID:          fileID,
			DestinationPath: dest,
		})
		if err != nil {
			return err
		}

		obsCtx, obsCancel := context.WithCancel(context.Background())
		defer obsCancel()
		updates := c.ObserveTransfer(obsCtx, transferID)

		m := newTransferProgressModel(transferID, updates)
		p := tea.NewProgram(m)
		final, err := p.Run()
		if err != nil {
			return err
		}

		result := final.(*transferProgressModel)
		switch result.state.Kind {
		case model.StateCompleted:
			fmt.Printf("saved to %s (checksum %s)\n", result.state.Path, result.state.Checksum)
			return nil
		case model.StateFailed:
			return fmt.Errorf("transfer failed: %s: %s", result.state.Code, result.state.Message)
		case model.StateCancelled:
			return fmt.Errorf("transfer cancelled")
		default:
			return nil
		}
	},
}

// transferProgressModel drives a single bubbles/progress bar from the
// Transfer snapshots coming out of ObserveTransfer, mirroring the teacher's
// ProgressModel tick-and-channel pattern but for one in-flight transfer.
type transferProgressModel struct {
	transferID string
	updates    <-chan model.Transfer
	bar        progress.Model
	state      model.TransferState
	quitting   bool
}

func newTransferProgressModel(transferID string, updates <-chan model.Transfer) *transferProgressModel {
	return &transferProgressModel{
		transferID: transferID,
		updates:    updates,
		bar: progress.New(
			progress.WithGradient("#22d3ee", "#0ea5e9"),
			progress.WithWidth(40),
		),
		state: model.Pending(),
	}
}

type transferMsg model.Transfer
type transferClosedMsg struct{}

func (m *transferProgressModel) listen() tea.Cmd {
	return func() tea.Msg {
		t, ok := <-m.updates
		if !ok {
			return transferClosedMsg{}
		}
		return transferMsg(t)
	}
}

func (m *transferProgressModel) Init() tea.Cmd {
	return m.listen()
}

func (m *transferProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
	case transferMsg:
		m.state = msg.State
		if m.state.Kind.Terminal() {
			return m, tea.Quit
		}
		return m, m.listen()
	case transferClosedMsg:
		return m, tea.Quit
	case progress.FrameMsg:
		updated, cmd := m.bar.Update(msg)
		m.bar = updated.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *transferProgressModel) View() string {
	if m.quitting {
		return ""
	}

	switch m.state.Kind {
	case model.StateCompleted:
		return fmt.Sprintf("done: %s\n", m.state.Path)
	case model.StateFailed:
		return fmt.Sprintf("failed: %s: %s\n", m.state.Code, m.state.Message)
	case model.StateCancelled:
		return "cancelled\n"
	}

	var percent float64
	if m.state.Total > 0 {
		percent = float64(m.state.Bytes) / float64(m.state.Total)
	}

	label := lipgloss.NewStyle().Faint(true).Render(fmt.Sprintf(
		" %s/%s %s",
		humanize.Bytes(uint64(m.state.Bytes)),
		humanize.Bytes(uint64(m.state.Total)),
		humanize.Bytes(uint64(m.state.RateBps))+"/s",
	))

	return m.bar.ViewAs(percent) + label + "\n"
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().DurationVar(&flagGetWait, "wait", 5*time.Second, "how long to wait for the peer to appear on mDNS")
}
