package patchbay

import (
	"fyne.io/systray"

	"github.com/MixyLabs/patchbay/pkg/patchbay/util"
)

func (d *Patchbay) initializeTray(onDone func()) {
	logger := d.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(PatchbayLogoIconData, PatchbayLogoIconData)
		systray.SetTitle("patchbay")
		systray.SetTooltip("patchbay")

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")
		editLayout := systray.AddMenuItem("Edit layout file", "Open the saved routing layout with notepad")

		rescanDevices := systray.AddMenuItem("Re-scan audio devices", "Manually refresh devices and re-apply routing if something's stuck")

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop patchbay and quit")

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					d.signalStop()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					// TODO: make editor configurable
					editor := "notepad.exe"
					if util.Linux() {
						editor = "gedit"
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-editLayout.ClickedCh:
					logger.Info("Edit layout menu item clicked, opening layout file")

					editor := "notepad.exe"
					if util.Linux() {
						editor = "gedit"
					}

					if err := util.OpenExternal(logger, editor, d.currConf().LayoutFile); err != nil {
						logger.Warnw("Failed to open layout file for editing", "error", err)
					}

				case <-rescanDevices.ClickedCh:
					logger.Info("Re-scan menu item clicked, refreshing device directory")
					d.RescanDevices()
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (d *Patchbay) stopTray() {
	d.logger.Debug("Quitting tray")
	systray.Quit()
}
