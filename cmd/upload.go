package cmd

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"transcode-coordinator/config"
	"transcode-coordinator/dto"
	server2 "transcode-coordinator/server"
)

// uploadFinished publishes the message the web application sends once an
// original is stored, for operators re-queueing a video by hand.
func uploadFinished(config *config.Config) *cobra.Command {
	var (
		msg       dto.UploadFinishedMessage
		videoUUID string
	)
	cmd := &cobra.Command{
		Use:   "upload-finished",
		Short: "queue the VOD transcoding of an uploaded video",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(videoUUID)
			if err != nil {
				return err
			}
			msg.VideoUUID = id
			return server2.PublishUploadFinished(config, msg)
		},
	}
	cmd.Flags().StringVar(&videoUUID, "video-uuid", "", "uuid of the video")
	cmd.Flags().StringVar(&msg.OwnerID, "owner-id", "", "owner of the video")
	cmd.Flags().StringVar(&msg.ObjectPath, "object-path", "", "object key of the original in the bucket")
	cmd.Flags().StringVar(&msg.FileName, "file-name", "", "original file name")
	cmd.Flags().IntSliceVar(&msg.Resolutions, "resolutions", nil, "resolutions to transcode, defaults to the configured ladder")
	_ = cmd.MarkFlagRequired("video-uuid")
	_ = cmd.MarkFlagRequired("object-path")
	return cmd
}
